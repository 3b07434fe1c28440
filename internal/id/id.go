package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// New returns a 21-character alphanumeric nanoid. Used for client ids,
// work-group ids, and notification history entries.
func New() string {
	id, err := gonanoid.Generate(alphabet, 21)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// Short returns a 4-character lowercase alphanumeric suffix, used for
// generated tmux session names.
func Short() string {
	id, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 4)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}
