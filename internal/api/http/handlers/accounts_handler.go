package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/account-service/internal/api/dto"
	"github.com/spec-kit/account-service/internal/auth"
	"github.com/spec-kit/account-service/internal/domain"
	"github.com/spec-kit/account-service/internal/service"
	apperrors "github.com/spec-kit/account-service/pkg/util"
)

// AccountsHandler exposes account and auth endpoints.
type AccountsHandler struct {
	accounts *service.AccountService
}

// NewAccountsHandler constructs handler.
func NewAccountsHandler(accounts *service.AccountService) *AccountsHandler {
	return &AccountsHandler{accounts: accounts}
}

// Register handles POST /api/v1/register.
func (h *AccountsHandler) Register(c *fiber.Ctx) error {
	var req dto.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		return apperrors.NewValidationError("name, email and password required", nil)
	}

	user, session, err := h.accounts.Register(c.UserContext(), req.Name, req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(sessionResponse(user, session))
}

// Login handles POST /api/v1/login.
func (h *AccountsHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Email == "" || req.Password == "" {
		return apperrors.NewValidationError("email and password required", nil)
	}

	user, session, err := h.accounts.Login(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(sessionResponse(user, session))
}

// Logout handles GET /api/v1/logout. Revoking an absent or already revoked
// credential still succeeds.
func (h *AccountsHandler) Logout(c *fiber.Ctx) error {
	if err := h.accounts.Logout(c.UserContext(), auth.BearerToken(c)); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"message": "logged out"}})
}

// ForgotPassword handles POST /api/v1/password/forgot.
func (h *AccountsHandler) ForgotPassword(c *fiber.Ctx) error {
	var req dto.ForgotPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Email == "" {
		return apperrors.NewValidationError("email required", nil)
	}

	if err := h.accounts.RequestPasswordReset(c.UserContext(), req.Email); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"message": "password reset email sent to " + service.NormalizeEmail(req.Email),
	}})
}

// ResetPassword handles PUT /api/v1/password/reset/:token.
func (h *AccountsHandler) ResetPassword(c *fiber.Ctx) error {
	var req dto.ResetPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Password == "" || req.ConfirmPassword == "" {
		return apperrors.NewValidationError("password and confirmation required", nil)
	}

	user, session, err := h.accounts.ResetPassword(c.UserContext(), c.Params("token"), req.Password, req.ConfirmPassword)
	if err != nil {
		return err
	}
	return c.JSON(sessionResponse(user, session))
}

// GetProfile handles GET /api/v1/me.
func (h *AccountsHandler) GetProfile(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"user": principal.User.Profile()}})
}

// UpdatePassword handles PUT /api/v1/password/update.
func (h *AccountsHandler) UpdatePassword(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}

	var req dto.UpdatePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.OldPassword == "" || req.NewPassword == "" || req.ConfirmPassword == "" {
		return apperrors.NewValidationError("old, new and confirmation passwords required", nil)
	}

	session, err := h.accounts.ChangePassword(c.UserContext(), principal.User.ID, req.OldPassword, req.NewPassword, req.ConfirmPassword)
	if err != nil {
		return err
	}
	return c.JSON(sessionResponse(principal.User, session))
}

// UpdateProfile handles PUT /api/v1/me/update.
func (h *AccountsHandler) UpdateProfile(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}

	var req dto.UpdateProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Name == "" || req.Email == "" {
		return apperrors.NewValidationError("name and email required", nil)
	}

	user, err := h.accounts.UpdateProfile(c.UserContext(), principal.User.ID, req.Name, req.Email)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"user": user.Profile()}})
}

func sessionResponse(user *domain.User, session *domain.Session) fiber.Map {
	return fiber.Map{
		"data": fiber.Map{
			"user": user.Profile(),
			"auth": dto.AuthResponse{Token: session.Token, ExpiresAt: session.ExpiresAt},
		},
	}
}
