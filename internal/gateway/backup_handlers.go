package gateway

import (
	"context"

	"github.com/agentworkforce/backstop/internal/backup"
)

type BackupService interface {
	Create(ctx context.Context, payload any) (backup.CreateResult, error)
	Restore(ctx context.Context) (backup.Record, bool)
}

// RegisterBackup routes BackupRequest and RestoreRequest to svc.
func (g *Gateway) RegisterBackup(svc BackupService) {
	g.Register(KindBackupRequest, HandlerFunc(func(ctx context.Context, req Request) error {
		_, err := svc.Create(ctx, req.Payload)
		return err
	}))
	g.Register(KindRestoreRequest, HandlerFunc(func(ctx context.Context, req Request) error {
		record, ok := svc.Restore(ctx)
		if !ok {
			return req.Respond(ctx, KindRestoreEmpty, nil)
		}
		return req.Respond(ctx, KindRestoreResponse, record.Payload)
	}))
}
