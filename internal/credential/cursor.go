package credential

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smallbiznis/agentkey/internal/domain"
)

// Cursors are opaque to callers: base64url("<created_at unix nanos>:<id>").

func encodeCursor(c domain.Credential) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	invalid := fmt.Errorf("%w: invalid cursor", domain.ErrValidation)

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, invalid
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return time.Time{}, uuid.Nil, invalid
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, uuid.Nil, invalid
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, uuid.Nil, invalid
	}
	return time.Unix(0, n).UTC(), parsed, nil
}
