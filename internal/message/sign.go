package message

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/centraldb/dbsync/internal/types"
)

// Portion serializes the operation list for signing: the concatenation,
// in list order, of "&<row_id>#<content_type_id>#<command>". Any change
// to any operation tuple changes the portion.
func Portion(ops []types.Operation) string {
	var b strings.Builder
	for _, op := range ops {
		b.WriteByte('&')
		b.WriteString(strconv.FormatInt(op.RowID, 10))
		b.WriteByte('#')
		b.WriteString(strconv.FormatUint(uint64(op.ContentTypeID), 10))
		b.WriteByte('#')
		b.WriteString(string(op.Command))
	}
	return b.String()
}

// Sign computes the push key: hex(SHA-512(secret || portion)).
func Sign(secret string, ops []types.Operation) string {
	sum := sha512.Sum512([]byte(secret + Portion(ops)))
	return hex.EncodeToString(sum[:])
}

// SignWith signs the message's operation list with the node secret and
// stores the key on the message.
func (m *Push) SignWith(secret string) {
	m.Key = Sign(secret, m.Operations)
}

// Verify recomputes the key with the server-known secret and compares it
// against the message's key in constant time.
func (m *Push) Verify(secret string) error {
	expected := Sign(secret, m.Operations)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(m.Key)) != 1 {
		return fmt.Errorf("message isn't properly signed")
	}
	return nil
}
