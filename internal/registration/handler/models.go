package handler

import (
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	credmodels "kycgate/internal/credential/models"
	"kycgate/internal/registration/models"
	pkgvalidation "kycgate/pkg/platform/validation"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9\s\-()]{8,20}$`)

type RegisterRequest struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dob"`
	Street      string `json:"street"`
	City        string `json:"city"`
	Postcode    string `json:"postcode"`
	PhoneNumber string `json:"phoneNumber"`
	Email       string `json:"email"`
}

func (r *RegisterRequest) normalize() {
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.DateOfBirth = strings.TrimSpace(r.DateOfBirth)
	r.Street = strings.TrimSpace(r.Street)
	r.City = strings.TrimSpace(r.City)
	r.Postcode = strings.TrimSpace(r.Postcode)
	r.PhoneNumber = strings.TrimSpace(r.PhoneNumber)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
}

func (r *RegisterRequest) Validate() error {
	r.normalize()
	return pkgvalidation.Check(validation.ValidateStruct(r,
		validation.Field(&r.FirstName, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.LastName, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.DateOfBirth, validation.Required, validation.Date(time.DateOnly)),
		validation.Field(&r.Street, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.City, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.Postcode, validation.Required, validation.Length(1, 20)),
		validation.Field(&r.PhoneNumber, validation.Required, validation.Match(phonePattern)),
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.Email),
	))
}

// toRegistration assumes Validate succeeded.
func (r *RegisterRequest) toRegistration() models.Registration {
	dob, _ := time.Parse(time.DateOnly, r.DateOfBirth)
	return models.Registration{
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		DateOfBirth: dob,
		Street:      r.Street,
		City:        r.City,
		Postcode:    r.Postcode,
		PhoneNumber: r.PhoneNumber,
		Email:       r.Email,
	}
}

type RegisterResponse struct {
	UserID             string    `json:"userId"`
	Token              string    `json:"token"`
	ExpiresAt          time.Time `json:"expiresAt"`
	VerificationStatus string    `json:"verificationStatus"`
}

func toRegisterResponse(res *models.Result) *RegisterResponse {
	return &RegisterResponse{
		UserID:             res.User.ID.String(),
		Token:              res.Token,
		ExpiresAt:          res.ExpiresAt.UTC(),
		VerificationStatus: res.User.VerificationStatus.String(),
	}
}

// ProfileResponse is what a user may read back about themselves. Provider
// review details stay on the status route.
type ProfileResponse struct {
	UserID             string             `json:"userId"`
	FirstName          string             `json:"firstName"`
	LastName           string             `json:"lastName"`
	DateOfBirth        string             `json:"dob"`
	Email              string             `json:"email"`
	PhoneNumber        string             `json:"phoneNumber"`
	Address            credmodels.Address `json:"address"`
	VerificationStatus string             `json:"verificationStatus"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

func toProfileResponse(u *credmodels.User) *ProfileResponse {
	return &ProfileResponse{
		UserID:             u.ID.String(),
		FirstName:          u.FirstName,
		LastName:           u.LastName,
		DateOfBirth:        u.DateOfBirth.Format(time.DateOnly),
		Email:              u.Email,
		PhoneNumber:        u.PhoneNumber,
		Address:            u.Address,
		VerificationStatus: u.VerificationStatus.String(),
		CreatedAt:          u.CreatedAt.UTC(),
		UpdatedAt:          u.UpdatedAt.UTC(),
	}
}
