package validator

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

// Error joins the messages in field order so it can be returned as an error.
func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, field := range []string{"content", "file_name", "size", "content_type"} {
		if msg, ok := v[field]; ok {
			parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
		}
	}
	for field, msg := range v {
		switch field {
		case "content", "file_name", "size", "content_type":
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	return strings.Join(parts, "; ")
}

const MaxTextLength = 4000

func ValidateText(content string) ValidationErrors {
	errs := make(ValidationErrors)

	if strings.TrimSpace(content) == "" {
		errs.Add("content", "Message content is required")
	} else if utf8.RuneCountInString(content) > MaxTextLength {
		errs.Add("content", fmt.Sprintf("Message is too long (max %d characters)", MaxTextLength))
	} else if !utf8.ValidString(content) {
		errs.Add("content", "Message must be valid UTF-8")
	}

	return errs
}

// ValidateUpload checks an attachment before it is sent to the uploader.
// maxSize <= 0 disables the size limit.
func ValidateUpload(name string, size, maxSize int64) ValidationErrors {
	errs := make(ValidationErrors)

	name = strings.TrimSpace(name)
	if name == "" {
		errs.Add("file_name", "File name is required")
	} else if name != filepath.Base(name) {
		errs.Add("file_name", "File name must not contain a path")
	} else if len(name) > 255 {
		errs.Add("file_name", "File name is too long")
	}

	if size < 0 {
		errs.Add("size", "File size is invalid")
	} else if size == 0 {
		errs.Add("size", "File is empty")
	} else if maxSize > 0 && size > maxSize {
		errs.Add("size", fmt.Sprintf("File is too large (max %d bytes)", maxSize))
	}

	return errs
}
