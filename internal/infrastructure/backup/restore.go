package backup

import (
	"context"
	"time"

	"meshconf/internal/core/ports"
	"meshconf/pkg/backup"

	"go.uber.org/zap"
)

// RestoreLatest loads the newest snapshot into the repository. Expired
// mitigations are dropped during replay. Runs before the threat service
// starts, so its boot-time repository read sees the restored directives.
// A missing snapshot is not an error; the fabric just starts empty.
func RestoreLatest(ctx context.Context, service *backup.Service, repo ports.StateRepository, logger *zap.SugaredLogger) error {
	snap, err := service.Latest(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		logger.Debugw("no snapshot to restore")
		return nil
	}

	now := time.Now()
	restored := 0
	for _, m := range snap.Mitigations {
		if !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(now) {
			continue
		}
		if err := repo.SaveMitigation(ctx, m); err != nil {
			logger.Warnw("mitigation restore failed", "kind", m.Kind, "error", err)
			continue
		}
		restored++
	}

	roomCount := 0
	for _, room := range snap.Rooms {
		if err := repo.SaveRoomMeta(ctx, room); err != nil {
			logger.Warnw("room metadata restore failed", "room_id", room.ID, "error", err)
			continue
		}
		roomCount++
	}

	logger.Infow("snapshot restored",
		"taken_at", snap.Timestamp,
		"mitigations", restored,
		"rooms", roomCount,
	)
	return nil
}
