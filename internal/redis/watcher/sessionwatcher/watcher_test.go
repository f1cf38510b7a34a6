package sessionwatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"studyhub/internal/services/studysession"
)

type forceEndRecorder struct {
	studysession.IStudySessionService
	calls [][2]string
}

func (r *forceEndRecorder) ForceEnd(_ context.Context, id, reason string) error {
	r.calls = append(r.calls, [2]string{id, reason})
	return nil
}

func TestHandleExpired(t *testing.T) {
	rec := &forceEndRecorder{}
	ctx := context.Background()

	handleExpired(ctx, rec, "sess_t:abc")
	handleExpired(ctx, rec, "sess_lock:abc")
	handleExpired(ctx, rec, "auc_t:abc")
	handleExpired(ctx, rec, "sess_t:")

	assert.Equal(t, [][2]string{{"abc", "scheduled_end_reached"}}, rec.calls)
}
