package migration

import (
	"context"
	"strings"

	"github.com/dmitrijs2005/gophtrust/internal/dbx"
)

// RequiredSchema lists what a migration run depends on, as "table" or
// "table.column".
var RequiredSchema = []string{
	"users",
	"users.id",
	"users.username",
	"users.identity_provider",
	"refresh_tokens",
	"refresh_tokens.family_id",
	"refresh_tokens.expires_at",
	"kv_entries",
	"kv_lists",
	"kv_list_items",
}

const (
	tableExistsQuery = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)`
	columnExistsQuery = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
		)`
)

// VerifySchema probes every RequiredSchema entry. A failing probe counts the
// entry as missing; the check itself never fails.
func (o *Orchestrator) VerifySchema(ctx context.Context) (bool, []string) {
	if o.schemaDB == nil {
		o.logger.Error(ctx, "schema verification without database")
		return false, append([]string(nil), RequiredSchema...)
	}

	var missing []string
	for _, entry := range RequiredSchema {
		ok, err := probe(ctx, o.schemaDB, entry)
		if err != nil {
			o.logger.Warn(ctx, "schema probe failed", "entry", entry, "error", err)
		}
		if !ok {
			missing = append(missing, entry)
		}
	}

	o.logger.Info(ctx, "schema verified", "missing", len(missing))
	return len(missing) == 0, missing
}

func probe(ctx context.Context, db dbx.DBTX, entry string) (bool, error) {
	table, column, isColumn := strings.Cut(entry, ".")
	if isColumn {
		return dbx.Exists(ctx, db, columnExistsQuery, table, column)
	}
	return dbx.Exists(ctx, db, tableExistsQuery, table)
}
