// Package identity generates the synthetic account material the signup flow
// needs: names, usernames, passwords, and birth dates.
package identity

import (
	"crypto/rand"
	"fmt"
	"math/big"
	mrand "math/rand"
	"strings"
	"time"
)

var firstNames = []string{
	"James", "John", "Robert", "Michael", "William", "David", "Richard",
	"Joseph", "Thomas", "Charles", "Mary", "Patricia", "Jennifer", "Linda",
	"Elizabeth", "Barbara", "Susan", "Jessica", "Sarah", "Karen",
}

var lastNames = []string{
	"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
	"Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez", "Gonzalez",
	"Wilson", "Anderson", "Thomas", "Taylor", "Moore", "Jackson", "Martin",
}

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"

// Name is a generated first/last name pair.
type Name struct {
	First string
	Last  string
}

// NewName picks a random plausible English name.
func NewName() Name {
	return Name{
		First: firstNames[mrand.Intn(len(firstNames))],
		Last:  lastNames[mrand.Intn(len(lastNames))],
	}
}

// Username derives a lowercase username with a random numeric suffix.
func (n Name) Username() string {
	return fmt.Sprintf("%s%s%04d", strings.ToLower(n.First), strings.ToLower(n.Last), mrand.Intn(10000))
}

// NewPassword generates a 16-character password from a mixed alphabet using
// crypto/rand.
func NewPassword() (string, error) {
	var b strings.Builder
	for i := 0; i < 16; i++ {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(passwordAlphabet))))
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b.WriteByte(passwordAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

// NewBirthDate returns a plausible adult birth date (ages roughly 20-45).
func NewBirthDate(now time.Time) time.Time {
	year := now.Year() - 20 - mrand.Intn(26)
	month := time.Month(1 + mrand.Intn(12))
	day := 1 + mrand.Intn(28)
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
