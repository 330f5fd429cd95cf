package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakPasswordScoreThreshold = 3

// IsWeakPassword returns whether password strength is considered weak.
// Empty password means "keep the existing hash file", so it is not weak here.
func IsWeakPassword(password string) bool {
	if password == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(password, nil)
	return result.Score < weakPasswordScoreThreshold
}
