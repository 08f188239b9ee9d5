package models

import "testing"

func TestAppointmentLifecycle(t *testing.T) {
	path := []AppointmentStatus{
		AppointmentBooked,
		AppointmentConfirmed,
		AppointmentCheckedIn,
		AppointmentInProgress,
		AppointmentCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		if !path[i].CanTransitionTo(path[i+1]) {
			t.Errorf("expected %s -> %s to be allowed", path[i], path[i+1])
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct {
		from AppointmentStatus
		to   AppointmentStatus
	}{
		{AppointmentBooked, AppointmentCheckedIn},
		{AppointmentBooked, AppointmentInProgress},
		{AppointmentBooked, AppointmentCompleted},
		{AppointmentBooked, AppointmentNoShow},
		{AppointmentConfirmed, AppointmentInProgress},
		{AppointmentConfirmed, AppointmentNoShow},
		{AppointmentCheckedIn, AppointmentCompleted},
		{AppointmentCheckedIn, AppointmentCancelled},
		{AppointmentInProgress, AppointmentCancelled},
		{AppointmentInProgress, AppointmentNoShow},
		{AppointmentInProgress, AppointmentBooked},
		{AppointmentCompleted, AppointmentBooked},
		{AppointmentCancelled, AppointmentConfirmed},
		{AppointmentNoShow, AppointmentCheckedIn},
	}
	for _, c := range cases {
		if c.from.CanTransitionTo(c.to) {
			t.Errorf("expected %s -> %s to be rejected", c.from, c.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []AppointmentStatus{AppointmentCompleted, AppointmentCancelled, AppointmentNoShow}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
		if len(s.AllowedNext()) != 0 {
			t.Errorf("expected no transitions out of %s", s)
		}
	}

	open := []AppointmentStatus{AppointmentBooked, AppointmentConfirmed, AppointmentCheckedIn, AppointmentInProgress}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("did not expect %s to be terminal", s)
		}
	}
}

func TestCancellableStates(t *testing.T) {
	// Visitors can back out until they are checked in
	if !AppointmentBooked.CanTransitionTo(AppointmentCancelled) {
		t.Error("expected BOOKED to be cancellable")
	}
	if !AppointmentConfirmed.CanTransitionTo(AppointmentCancelled) {
		t.Error("expected CONFIRMED to be cancellable")
	}
	if AppointmentCheckedIn.CanTransitionTo(AppointmentCancelled) {
		t.Error("checked-in visitors leave through no-show, not cancel")
	}
}
