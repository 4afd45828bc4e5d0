package phone

// Normalization helpers for dialable numbers. The service works with bare
// digit strings: anything the dialer sends (E.164 with "+", dashes, spaces)
// is stripped down before it touches the allocator or the database.

const (
	// MinDestinationDigits is the shortest destination accepted for allocation.
	MinDestinationDigits = 7
	// MaxDigits is the longest number the pool or a destination may carry.
	MaxDigits = 15
	// MinCallerIDDigits is the shortest number admitted into the pool.
	MinCallerIDDigits = 10
)

// Normalize strips every non-digit character from s.
func Normalize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// AreaCode returns the US-style geographic prefix of an already-normalized
// digit string. It is defined for 10-digit numbers and for 11-digit numbers
// carrying a leading country code 1; for anything else it returns "".
func AreaCode(digits string) string {
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) == 10 {
		return digits[:3]
	}
	return ""
}

// ValidDestination reports whether digits can be dialed: 7 to 15 digits.
func ValidDestination(digits string) bool {
	return len(digits) >= MinDestinationDigits && len(digits) <= MaxDigits
}

// ValidCallerID reports whether digits can join the pool: 10 to 15 digits.
func ValidCallerID(digits string) bool {
	return len(digits) >= MinCallerIDDigits && len(digits) <= MaxDigits
}
