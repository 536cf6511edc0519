package models

import (
	"time"

	credmodels "kycgate/internal/credential/models"
)

// MinimumAge is the youngest a person may be on the day they register.
const MinimumAge = 18

// Registration is a validated sign-up request.
type Registration struct {
	FirstName   string
	LastName    string
	DateOfBirth time.Time
	Street      string
	City        string
	Postcode    string
	PhoneNumber string
	Email       string
}

// Result is the created user and the first bearer token issued for it.
type Result struct {
	User      *credmodels.User
	Token     string
	ExpiresAt time.Time
}

// AgeOn returns the number of full years between dob and now.
func AgeOn(dob, now time.Time) int {
	now = now.UTC()
	dob = dob.UTC()
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	return years
}
