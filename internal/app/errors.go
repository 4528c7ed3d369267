package app

import (
	"errors"
	"fmt"
	"net/http"

	"circles/api/internal/authpw"
	"circles/api/internal/blob"
	"circles/api/internal/export"
	"circles/api/internal/hierarchy"
	"circles/api/internal/policyrepo"
	"circles/api/internal/store"
	"circles/api/internal/tools"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func validation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

type sentinel struct {
	err    error
	status int
	code   string
}

// sentinels maps package errors to HTTP responses. The error text becomes the
// message, so it must be safe to show to users.
var sentinels = []sentinel{
	{hierarchy.ErrTeamNotFound, http.StatusNotFound, "TEAM_NOT_FOUND"},
	{hierarchy.ErrParentNotFound, http.StatusUnprocessableEntity, "PARENT_NOT_FOUND"},
	{hierarchy.ErrCrossOrgParent, http.StatusUnprocessableEntity, "CROSS_ORG_PARENT"},
	{hierarchy.ErrSelfParent, http.StatusUnprocessableEntity, "SELF_PARENT"},
	{hierarchy.ErrHierarchyCycle, http.StatusConflict, "HIERARCHY_CYCLE"},
	{hierarchy.ErrLeaderExists, http.StatusConflict, "LEADER_EXISTS"},
	{hierarchy.ErrSpecialRoleExists, http.StatusConflict, "SPECIAL_ROLE_EXISTS"},
	{hierarchy.ErrInvalidRoleType, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{hierarchy.ErrLinkedRoleEdit, http.StatusConflict, "LINKED_ROLE"},

	{tools.ErrNotFacilitator, http.StatusForbidden, "NOT_FACILITATOR"},
	{tools.ErrInvalidPhase, http.StatusConflict, "INVALID_PHASE"},
	{tools.ErrObjectionsPending, http.StatusConflict, "OBJECTIONS_PENDING"},
	{tools.ErrTieRequiresChoice, http.StatusConflict, "TIE_REQUIRES_CHOICE"},
	{tools.ErrNoNominations, http.StatusConflict, "NO_NOMINATIONS"},
	{tools.ErrNotNominated, http.StatusConflict, "NOT_NOMINATED"},
	{tools.ErrVotingClosed, http.StatusConflict, "VOTING_CLOSED"},
	{tools.ErrAlreadyDrawn, http.StatusConflict, "ALREADY_DRAWN"},
	{tools.ErrEmptyPool, http.StatusConflict, "EMPTY_POOL"},
	{tools.ErrNoBallot, http.StatusNotFound, "NO_BALLOT"},
	{tools.ErrQuestionNotFound, http.StatusNotFound, "QUESTION_NOT_FOUND"},
	{tools.ErrCandidateNotNominated, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrUnknownKind, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrReasonRequired, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrInvalidResponse, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrTitleRequired, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrTextRequired, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrMemberRequired, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrRoleRequired, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrCandidateRequired, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrInvalidScope, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrTeamRequired, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrInvalidWinnerCount, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrInvalidMode, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrTooFewOptions, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrDuplicateOption, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrInvalidMaxChoices, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{tools.ErrInvalidChoice, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},

	{authpw.ErrEmailTaken, http.StatusConflict, "EMAIL_EXISTS"},
	{authpw.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
	{authpw.ErrMissingFields, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{authpw.ErrInvalidEmail, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{authpw.ErrWeakPassword, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},

	{policyrepo.ErrNoChanges, http.StatusConflict, "NO_CHANGES"},
	{policyrepo.ErrInvalidID, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{policyrepo.ErrRepoNotFound, http.StatusNotFound, "NOT_FOUND"},

	{export.ErrUnsupportedFormat, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{export.ErrPDFDependencyMissing, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE"},

	{blob.ErrNotConfigured, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"},
	{blob.ErrObjectNotFound, http.StatusConflict, "UPLOAD_MISSING"},

	{store.ErrConflict, http.StatusConflict, "CONFLICT"},
}

// translate converts a known package error into a DomainError. It returns nil for
// errors it does not recognize.
func translate(err error) *DomainError {
	for _, entry := range sentinels {
		if errors.Is(err, entry.err) {
			return domainError(entry.status, entry.code, entry.err.Error(), nil)
		}
	}
	if store.IsAppendOnlyViolation(err) {
		return domainError(http.StatusConflict, "APPEND_ONLY", "decisions cannot be changed", nil)
	}
	return nil
}
