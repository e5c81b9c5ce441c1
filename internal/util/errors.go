package util

import "errors"

var (
	ErrUserNotFound     = errors.New("用户不存在")
	ErrEmailRegistered  = errors.New("该邮箱已被注册")
	ErrInvalidLogin     = errors.New("invalid credentials")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidArgument  = errors.New("invalid argument")

	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionEnded     = errors.New("session has ended")
	ErrInvalidJoinCode  = errors.New("invalid join code")
	ErrNotSessionMember = errors.New("not a member of this session")
	ErrQuestionNotFound = errors.New("question not found")

	// 提问校验错误，按校验顺序排列
	ErrEmptyQuestion        = errors.New("question cannot be empty")
	ErrQuestionTooShort     = errors.New("question is too short")
	ErrQuestionTooLong      = errors.New("question is too long")
	ErrInappropriateContent = errors.New("question contains inappropriate content")

	ErrNotAuthorized       = errors.New("not authorized")
	ErrIdentityUnavailable = errors.New("anonymous identity unavailable")
	ErrTryAgain            = errors.New("temporarily unavailable, please try again")
	ErrRateLimited         = errors.New("too many questions, slow down")
)

// IsValidationError 是否属于提问内容校验失败
func IsValidationError(err error) bool {
	return errors.Is(err, ErrEmptyQuestion) ||
		errors.Is(err, ErrQuestionTooShort) ||
		errors.Is(err, ErrQuestionTooLong) ||
		errors.Is(err, ErrInappropriateContent)
}
