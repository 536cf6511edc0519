package handler

import (
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	credmodels "kycgate/internal/credential/models"
	"kycgate/internal/registration/handler/mocks"
	"kycgate/internal/registration/models"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	"kycgate/pkg/testutil"
)

type RegisterHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  chi.Router
	handler *Handler
}

func TestRegisterHandlerSuite(t *testing.T) {
	suite.Run(t, new(RegisterHandlerSuite))
}

func (s *RegisterHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	s.handler = New(s.service, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.router = chi.NewRouter()
	s.handler.Register(s.router)
}

func validBody() map[string]string {
	return map[string]string{
		"firstName":   "Ada",
		"lastName":    "Lovelace",
		"dob":         "1990-12-10",
		"street":      "1 Analytical Row",
		"city":        "London",
		"postcode":    "N1 9GU",
		"phoneNumber": "+44 7400 123456",
		"email":       " Ada@Example.com ",
	}
}

func (s *RegisterHandlerSuite) post(body any) *http.Request {
	return testutil.NewJSONRequest(s.T(), http.MethodPost, "/users/register", body)
}

func (s *RegisterHandlerSuite) TestRegisterCreated() {
	userID := id.NewUserID()
	expires := time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC)

	s.service.EXPECT().Register(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ any, reg models.Registration) (*models.Result, error) {
			s.Equal("ada@example.com", reg.Email)
			s.Equal(time.Date(1990, 12, 10, 0, 0, 0, 0, time.UTC), reg.DateOfBirth)
			s.Equal("+44 7400 123456", reg.PhoneNumber)
			return &models.Result{
				User:      &credmodels.User{ID: userID, VerificationStatus: credmodels.StatusPending},
				Token:     "opaque-token",
				ExpiresAt: expires,
			}, nil
		})

	rr := testutil.DoRequest(s.router, s.post(validBody()))
	s.Require().Equal(http.StatusCreated, rr.Code)

	resp := testutil.UnmarshalResponse[RegisterResponse](s.T(), rr)
	s.Equal(userID.String(), resp.UserID)
	s.Equal("opaque-token", resp.Token)
	s.Equal("pending", resp.VerificationStatus)
	s.True(expires.Equal(resp.ExpiresAt))
}

func (s *RegisterHandlerSuite) TestValidation() {
	tests := []struct {
		name  string
		field string
		value string
	}{
		{"missing first name", "firstName", "   "},
		{"missing last name", "lastName", ""},
		{"bad email", "email", "not-an-email"},
		{"bad dob format", "dob", "10/12/1990"},
		{"impossible dob", "dob", "1990-02-30"},
		{"phone with letters", "phoneNumber", "+44 7400 ABC456"},
		{"phone too short", "phoneNumber", "1234567"},
		{"missing postcode", "postcode", ""},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			body := validBody()
			body[tt.field] = tt.value

			rr := testutil.DoRequest(s.router, s.post(body))
			s.Equal(http.StatusBadRequest, rr.Code)
			resp := testutil.UnmarshalErrorResponse(s.T(), rr)
			s.Equal("validation_error", resp["error"])
			s.Contains(resp["error_description"], tt.field)
		})
	}
}

func (s *RegisterHandlerSuite) TestMalformedJSON() {
	rr := testutil.DoRequest(s.router, testutil.NewRequestWithBody(s.T(), http.MethodPost, "/users/register", `{"firstName":`))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
}

func (s *RegisterHandlerSuite) TestUnknownField() {
	body := map[string]any{"firstName": "Ada", "isAdmin": true}
	rr := testutil.DoRequest(s.router, s.post(body))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
}

func (s *RegisterHandlerSuite) TestServiceErrors() {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"duplicate email", dErrors.New(dErrors.CodeConflict, "email already registered"), http.StatusConflict, "conflict"},
		{"under age", dErrors.New(dErrors.CodeValidation, "dob: must be at least 18 years old"), http.StatusBadRequest, "validation_error"},
		{"store failure", dErrors.New(dErrors.CodeInternal, "failed to create user"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.service.EXPECT().Register(gomock.Any(), gomock.Any()).Return(nil, tt.err)
			rr := testutil.DoRequest(s.router, s.post(validBody()))
			testutil.AssertStatusAndError(s.T(), rr, tt.status, tt.code)
		})
	}
}

// profileRouter mounts the user routes with the caller already authenticated.
func (s *RegisterHandlerSuite) profileRouter(caller id.UserID) chi.Router {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, testutil.WithUserID(r, caller))
		})
	})
	s.handler.RegisterUserRoutes(r)
	return r
}

func (s *RegisterHandlerSuite) TestProfile() {
	userID := id.NewUserID()
	router := s.profileRouter(userID)

	s.Run("own profile", func() {
		s.service.EXPECT().Profile(gomock.Any(), userID).Return(&credmodels.User{
			ID:                 userID,
			FirstName:          "Ada",
			LastName:           "Lovelace",
			DateOfBirth:        time.Date(1990, 12, 10, 0, 0, 0, 0, time.UTC),
			Email:              "ada@example.com",
			PhoneNumber:        "+447400123456",
			Address:            credmodels.Address{Street: "1 Analytical Row", City: "London", Postcode: "N1 9GU"},
			VerificationStatus: credmodels.StatusVerified,
		}, nil)

		rr := testutil.DoRequest(router, testutil.NewRequest(s.T(), http.MethodGet, "/users/"+userID.String()))
		s.Require().Equal(http.StatusOK, rr.Code)

		resp := testutil.UnmarshalResponse[ProfileResponse](s.T(), rr)
		s.Equal(userID.String(), resp.UserID)
		s.Equal("1990-12-10", resp.DateOfBirth)
		s.Equal("London", resp.Address.City)
		s.Equal("verified", resp.VerificationStatus)
	})

	s.Run("another user's profile is forbidden", func() {
		rr := testutil.DoRequest(router, testutil.NewRequest(s.T(), http.MethodGet, "/users/"+id.NewUserID().String()))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, "forbidden")
	})

	s.Run("malformed id", func() {
		rr := testutil.DoRequest(router, testutil.NewRequest(s.T(), http.MethodGet, "/users/not-a-uuid"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})

	s.Run("deleted user", func() {
		s.service.EXPECT().Profile(gomock.Any(), userID).Return(nil, dErrors.New(dErrors.CodeNotFound, "user not found"))
		rr := testutil.DoRequest(router, testutil.NewRequest(s.T(), http.MethodGet, "/users/"+userID.String()))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})
}
