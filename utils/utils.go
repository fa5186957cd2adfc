package utils

import (
	"crypto/rand"
	"encoding/base64"
	"github.com/ztrue/tracerr"
	"golang.org/x/exp/constraints"
	"golang.org/x/text/unicode/norm"
	"regexp"
	"strings"
)

var (
	// ErrorInvalidEmail is returned when an email address is invalid
	ErrorInvalidEmail = NewSealdError(KindInvalidArgument, "INVALID_EMAIL", "invalid email address")
	// ErrorInvalidB64 is returned when a base64 string cannot be decoded
	ErrorInvalidB64 = NewSealdError(KindInvalidArgument, "INVALID_B64", "invalid base64")
)

var emailRegexp = regexp.MustCompile("^[a-zA-Z0-9_.+-]+@([a-zA-Z0-9-]+\\.)+[a-zA-Z0-9-]{2,}$")

func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	// Note that err == nil only if we read len(b) bytes.
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	return b, nil
}

// Urlize encodes b as unpadded URL-safe base64, which is how ids are put in URL paths and query strings.
func Urlize(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Base64DecodeString decodes a Base64-encoded string, handling both
// padded and non-padded input, in the standard and URL-safe alphabets.
func Base64DecodeString(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var res []byte
	var err error
	urlSafe := strings.ContainsAny(s, "-_")
	switch {
	case urlSafe && strings.Contains(s, "="):
		res, err = base64.URLEncoding.DecodeString(s)
	case urlSafe:
		res, err = base64.RawURLEncoding.DecodeString(s)
	case strings.Contains(s, "="):
		res, err = base64.StdEncoding.DecodeString(s)
	default:
		res, err = base64.RawStdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidB64.Wrap(err))
	}
	return res, nil
}

func IsEmail(email string) bool {
	lowerCaseEmail := strings.ToLower(email)
	return emailRegexp.MatchString(lowerCaseEmail)
}

func CheckEmail(email string) error {
	if IsEmail(email) {
		return nil
	}
	return tracerr.Wrap(ErrorInvalidEmail.AddDetails(email))
}

// Set implements three methods: Add, Remove & Has.
// It needs to be defined with a comparable generic type such as int or string.
// The len operator can be used on Set.
type Set[T comparable] map[T]struct{}

// Add adds the given element to the Set.
func (s Set[T]) Add(element T) {
	s[element] = struct{}{}
}

// Remove removes given element from Set. If element is not in Set, Remove is a no-op.
func (s Set[T]) Remove(element T) {
	delete(s, element)
}

// Has checks if element is in Set, and returns true or false.
func (s Set[T]) Has(element T) bool {
	_, ok := s[element]
	return ok
}

func SliceMap[T interface{}, U interface{}](s []T, f func(T) U) []U {
	output := make([]U, len(s))
	for i, e := range s {
		output[i] = f(e)
	}
	return output
}

// ChunkSlice splits slice in consecutive chunks of at most chunkSize elements, keeping the original order.
func ChunkSlice[T any](slice []T, chunkSize int) [][]T {
	var chunks [][]T
	for i := 0; i < len(slice); i += chunkSize {
		chunks = append(chunks, slice[i:Min(i+chunkSize, len(slice))])
	}

	return chunks
}

func NormalizeString(s string) []byte {
	return norm.NFKC.Bytes([]byte(s))
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Ternary is a helper function to inline ternary operations
func Ternary[T any](condition bool, valTrue T, valFalse T) T {
	if condition {
		return valTrue
	}
	return valFalse
}
