package processor

import (
	"strings"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/collab"
	"github.com/flurbudurbur/fieldsync/pkg/errors"
)

// ConflictPolicy decides what happens when the client edited a stale copy of an entity.
type ConflictPolicy string

const (
	ServerWins    ConflictPolicy = "server_wins"
	ClientWins    ConflictPolicy = "client_wins"
	LastWriteWins ConflictPolicy = "last_write_wins"
	Manual        ConflictPolicy = "manual"
)

var ErrManualResolution = errors.New("diverged from server copy, manual resolution required")

func ParsePolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case ServerWins, ClientWins, LastWriteWins, Manual:
		return p, nil
	}
	return "", errors.New("unknown conflict policy %q", s)
}

// decision is the outcome of resolving a client change against the server copy.
type decision int

const (
	// apply the change guarded by the client's base version
	applyGuarded decision = iota
	// apply the change over whatever the server holds
	applyForced
	// keep the server copy
	keepServer
)

// resolve compares a client change with the current server entity. remote is nil when
// the entity does not exist yet. baseVersion is zero when the client did not send one.
func (p ConflictPolicy) resolve(remote *collab.Entity, baseVersion int64, observedAt time.Time) (decision, error) {
	if remote == nil || baseVersion == 0 || remote.Version == baseVersion {
		return applyGuarded, nil
	}

	switch p {
	case ServerWins:
		return keepServer, nil
	case ClientWins:
		return applyForced, nil
	case LastWriteWins:
		if observedAt.After(remote.UpdatedAt) {
			return applyForced, nil
		}
		return keepServer, nil
	case Manual:
		return keepServer, NonRetryable(errors.Wrap(ErrManualResolution, "server at version %d, client based on %d", remote.Version, baseVersion))
	}

	return keepServer, NonRetryable(errors.New("unknown conflict policy %q", p))
}
