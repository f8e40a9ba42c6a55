package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Built-in operation names.
const (
	OpUpdateMenu     = "UPDATE_MENU"
	OpSyncStudents   = "SYNC_STUDENTS"
	OpGenerateReport = "GENERATE_REPORT"
	OpUpdateSettings = "UPDATE_SETTINGS"
	OpBackupData     = "BACKUP_DATA"
)

// registerBuiltins wires the platform's administrative operations. The
// bodies here stand in for the real per-operation logic, which lives with
// the owning services; each validates its parameters and reports what it
// would apply to the target school.
func registerBuiltins(d *Dispatcher) {
	d.Register(OpUpdateMenu, updateMenu)
	d.Register(OpSyncStudents, syncStudents)
	d.Register(OpGenerateReport, generateReport)
	d.Register(OpUpdateSettings, updateSettings)
	d.Register(OpBackupData, backupData)
}

func updateMenu(ctx context.Context, targetID string, params map[string]any) (map[string]any, error) {
	menuID, ok := params["menu_id"].(string)
	if !ok || menuID == "" {
		return nil, fmt.Errorf("operation %s requires a menu_id parameter", OpUpdateMenu)
	}

	log.Info().
		Str("school_id", targetID).
		Str("menu_id", menuID).
		Msg("Pushed menu update")

	return map[string]any{
		"school_id": targetID,
		"menu_id":   menuID,
		"applied":   true,
	}, nil
}

func syncStudents(ctx context.Context, targetID string, params map[string]any) (map[string]any, error) {
	source, _ := params["source"].(string)
	if source == "" {
		source = "sis"
	}

	log.Info().
		Str("school_id", targetID).
		Str("source", source).
		Msg("Synchronized student roster")

	return map[string]any{
		"school_id": targetID,
		"source":    source,
	}, nil
}

func generateReport(ctx context.Context, targetID string, params map[string]any) (map[string]any, error) {
	reportType, ok := params["report_type"].(string)
	if !ok || reportType == "" {
		return nil, fmt.Errorf("operation %s requires a report_type parameter", OpGenerateReport)
	}

	return map[string]any{
		"school_id":    targetID,
		"report_type":  reportType,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func updateSettings(ctx context.Context, targetID string, params map[string]any) (map[string]any, error) {
	settings, ok := params["settings"].(map[string]any)
	if !ok || len(settings) == 0 {
		return nil, fmt.Errorf("operation %s requires a non-empty settings parameter", OpUpdateSettings)
	}

	log.Info().
		Str("school_id", targetID).
		Int("keys", len(settings)).
		Msg("Updated school settings")

	return map[string]any{
		"school_id":    targetID,
		"updated_keys": len(settings),
	}, nil
}

func backupData(ctx context.Context, targetID string, params map[string]any) (map[string]any, error) {
	// Backups respect cancellation; a long export must not outlive the job.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return map[string]any{
		"school_id": targetID,
		"backed_up": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
