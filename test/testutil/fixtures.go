package testutil

import (
	"fmt"

	"github.com/TheMichaelB/capsync/internal/models"
)

// CapturePayload returns a deterministic payload of the given size.
func CapturePayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// SaveFixture describes one capture for scenario tests.
type SaveFixture struct {
	Name     string
	Category string
	Options  models.SaveOptions
	Data     []byte
}

// CameraBurst returns n camera save fixtures with distinct payloads.
func CameraBurst(n int) []SaveFixture {
	fixtures := make([]SaveFixture, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("shot-%03d.jpg", i)
		fixtures = append(fixtures, SaveFixture{
			Name:     name,
			Category: models.CategoryCamera,
			Options: models.SaveOptions{
				FileName: name,
				MimeType: "image/jpeg",
				Category: models.CategoryCamera,
			},
			Data: CapturePayload(64 + i),
		})
	}
	return fixtures
}
