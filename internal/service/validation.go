package service

import (
	"classroom_qa_backend/internal/config"
	"classroom_qa_backend/internal/util"
	"strings"
	"unicode"
	"unicode/utf8"
)

// defaultBlockedWords 配置未提供时使用
var defaultBlockedWords = []string{
	"fuck", "fucking", "shit", "bitch", "asshole", "bastard", "cunt", "dickhead", "motherfucker",
}

// QuestionRule 单条校验规则，输入为已 trim 的文本
type QuestionRule func(text string) error

// ValidationChain 按顺序执行，遇到第一个错误即返回
type ValidationChain []QuestionRule

func (c ValidationChain) Validate(text string) error {
	for _, rule := range c {
		if err := rule(text); err != nil {
			return err
		}
	}
	return nil
}

func NewValidationChain(cfg config.IntakeConfig) ValidationChain {
	words := cfg.BlockedWords
	if len(words) == 0 {
		words = defaultBlockedWords
	}
	return ValidationChain{
		NotEmpty(),
		LengthBetween(cfg.MinLength, cfg.MaxLength),
		NoBlockedWords(words),
	}
}

func NotEmpty() QuestionRule {
	return func(text string) error {
		if text == "" {
			return util.ErrEmptyQuestion
		}
		return nil
	}
}

// LengthBetween 以字符数（rune）计
func LengthBetween(min, max int) QuestionRule {
	return func(text string) error {
		n := utf8.RuneCountInString(text)
		if n < min {
			return util.ErrQuestionTooShort
		}
		if n > max {
			return util.ErrQuestionTooLong
		}
		return nil
	}
}

// NoBlockedWords 整词匹配，忽略大小写
func NoBlockedWords(words []string) QuestionRule {
	blocked := make(map[string]bool, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			blocked[w] = true
		}
	}
	return func(text string) error {
		tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, t := range tokens {
			if blocked[t] {
				return util.ErrInappropriateContent
			}
		}
		return nil
	}
}
