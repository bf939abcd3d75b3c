package record

import (
	"errors"
	"fmt"
	"regexp"
)

// Field limits.
const (
	MaxFieldNameLength = 64          // Maximum field name length
	MaxFieldValueSize  = 1024 * 1024 // 1 MB maximum field value size
	MaxFieldCount      = 100         // Maximum number of fields per record
)

// Field validation errors
var (
	ErrFieldNameTooLong   = errors.New("record: field name too long")
	ErrFieldNameInvalid   = errors.New("record: field name must start with a letter and contain only letters, digits and underscores")
	ErrFieldNameReserved  = errors.New("record: field name is reserved")
	ErrFieldValueTooLarge = errors.New("record: field value too large")
	ErrTooManyFields      = errors.New("record: too many fields")
)

// fieldNameRegex accepts the camelCase and snake_case names used by the
// document kinds (cardNumber, voter_id).
var fieldNameRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidateFieldName checks one field name. "id" is reserved for the record
// id in the flat JSON form.
func ValidateFieldName(name string) error {
	if len(name) > MaxFieldNameLength {
		return fmt.Errorf("%w: %d characters (max %d)", ErrFieldNameTooLong, len(name), MaxFieldNameLength)
	}
	if !fieldNameRegex.MatchString(name) {
		return fmt.Errorf("%w: got %q", ErrFieldNameInvalid, name)
	}
	if name == "id" {
		return ErrFieldNameReserved
	}
	return nil
}

// ValidateFields checks every name and value in fields.
func ValidateFields(fields map[string]string) error {
	if len(fields) > MaxFieldCount {
		return fmt.Errorf("%w: %d fields (max %d)", ErrTooManyFields, len(fields), MaxFieldCount)
	}
	for name, value := range fields {
		if err := ValidateFieldName(name); err != nil {
			return err
		}
		if len(value) > MaxFieldValueSize {
			return fmt.Errorf("%w: field %q exceeds %d bytes", ErrFieldValueTooLarge, name, MaxFieldValueSize)
		}
	}
	return nil
}
