// Package validation содержит функции валидации входных данных.
package validation

// Допустимая длина номера платёжной карты.
const (
	minCardLength = 12
	maxCardLength = 19
)

// IsValidCardNumber проверяет длину номера карты и контрольную цифру по алгоритму Луна.
func IsValidCardNumber(number string) bool {
	if len(number) < minCardLength || len(number) > maxCardLength {
		return false
	}
	return luhn(number)
}

func luhn(number string) bool {
	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		ch := number[i]
		if ch < '0' || ch > '9' {
			return false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum%10 == 0
}
