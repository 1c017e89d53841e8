package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrEmptyPassword пароль оператора не задан
var ErrEmptyPassword = errors.New("пустой пароль")

// HashPassword возвращает bcrypt-хеш пароля оператора.
// bcrypt учитывает не более 72 байт, более длинный пароль отклоняется.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword сравнивает bcrypt-хеш с паролем. Пустой хеш не совпадает
// ни с каким паролем.
func CheckPassword(hash string, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
