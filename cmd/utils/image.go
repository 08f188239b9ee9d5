package utils

import (
    "fmt"
    "io"
    "mime/multipart"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/google/uuid"
)

const (
    MaxPhotoSize = 5 << 20 // 5 MB
    PhotoPath    = "uploads/photos"
)

// SavePhoto saves an uploaded profile photo and returns its URL path
func SavePhoto(file multipart.File, header *multipart.FileHeader) (string, error) {
    // Validate file size
    if header.Size > MaxPhotoSize {
        return "", fmt.Errorf("file size exceeds maximum limit of %d MB", MaxPhotoSize/(1<<20))
    }


    ext := strings.ToLower(filepath.Ext(header.Filename))
    if !isValidPhotoType(ext) {
        return "", fmt.Errorf("invalid file type: %s", ext)
    }


    if err := os.MkdirAll(PhotoPath, 0755); err != nil {
        return "", fmt.Errorf("failed to create upload directory: %v", err)
    }


    filename := fmt.Sprintf("%s-%s%s",
        time.Now().Format("20060102"),
        uuid.New().String(),
        ext,
    )
    filePath := filepath.Join(PhotoPath, filename)


    dst, err := os.Create(filePath)
    if err != nil {
        return "", fmt.Errorf("failed to create file: %v", err)
    }
    defer dst.Close()


    if _, err := io.Copy(dst, file); err != nil {
        return "", fmt.Errorf("failed to save file: %v", err)
    }


    return fmt.Sprintf("/photos/%s", filename), nil
}


func isValidPhotoType(ext string) bool {
    validTypes := map[string]bool{
        ".jpg":  true,
        ".jpeg": true,
        ".png":  true,
    }
    return validTypes[ext]
}


func DeletePhoto(photoURL string) error {

    filename := filepath.Base(photoURL)
    filePath := filepath.Join(PhotoPath, filename)


    if _, err := os.Stat(filePath); os.IsNotExist(err) {
        return nil
    }

    return os.Remove(filePath)
}
