// Пакет isbn — нормализация и проверка ключей записей каталога.
// Ключ записи — ISBN без префикса, дефисов и пробелов: 10 символов
// (цифры, последний символ может быть X) или 13 цифр.
// Контрольная сумма не проверяется.
package isbn

import (
	"errors"
	"strings"
)

// ErrInvalid — ключ не является ISBN-10 или ISBN-13.
var ErrInvalid = errors.New("некорректный ISBN: ожидается 10 или 13 символов")

// Normalize приводит ключ к каноническому виду:
// убирает префикс "ISBN" (в любом регистре, с ':' или '-'), дефисы и пробелы,
// переводит x в X. Результат не проверяется, см. Validate.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= 4 && strings.EqualFold(s[:4], "isbn") {
		s = s[4:]
		s = strings.TrimLeft(s, ":- ")
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '-' || r == ' ' || r == '\t':
			continue
		case r == 'x':
			b.WriteRune('X')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Validate проверяет нормализованный ключ.
func Validate(key string) error {
	switch len(key) {
	case 10:
		for i := 0; i < 9; i++ {
			if !isDigit(key[i]) {
				return ErrInvalid
			}
		}
		if !isDigit(key[9]) && key[9] != 'X' {
			return ErrInvalid
		}
		return nil
	case 13:
		for i := 0; i < 13; i++ {
			if !isDigit(key[i]) {
				return ErrInvalid
			}
		}
		return nil
	default:
		return ErrInvalid
	}
}

// Parse нормализует и проверяет ключ.
func Parse(raw string) (string, error) {
	key := Normalize(raw)
	if err := Validate(key); err != nil {
		return "", err
	}
	return key, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
