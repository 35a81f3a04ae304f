package model

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// FormatFlowId renders a 64 bit id as 16 zero padded upper case hex digits.
func FormatFlowId(id uint64) string {
	return fmt.Sprintf("%016X", id)
}

// RandomFlowId folds a random v4 uuid into 64 bits.
func RandomFlowId() string {
	u := uuid.New()
	return FormatFlowId(binary.BigEndian.Uint64(u[:8]) ^ binary.BigEndian.Uint64(u[8:]))
}
