package repository

import (
	"fmt"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// Migrate creates the MES tables plus the constraints gorm tags cannot
// express: the open stage log index and the append-only ledger triggers.
func Migrate(db *gorm.DB) error {
	if err := entity.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS uk_mes_stage_logs_open
			ON mes_stage_logs (job_card_id, stage) WHERE completed_at IS NULL`,
	}

	switch db.Dialector.Name() {
	case "postgres":
		stmts = append(stmts,
			`CREATE OR REPLACE FUNCTION mes_stock_transactions_append_only() RETURNS trigger AS $$
			BEGIN
				RAISE EXCEPTION 'mes_stock_transactions is append-only';
			END;
			$$ LANGUAGE plpgsql`,
			`DROP TRIGGER IF EXISTS trg_mes_stock_transactions_append_only ON mes_stock_transactions`,
			`CREATE TRIGGER trg_mes_stock_transactions_append_only
				BEFORE UPDATE OR DELETE ON mes_stock_transactions
				FOR EACH ROW EXECUTE FUNCTION mes_stock_transactions_append_only()`,
		)
	case "sqlite":
		stmts = append(stmts,
			`CREATE TRIGGER IF NOT EXISTS trg_mes_stock_transactions_no_update
				BEFORE UPDATE ON mes_stock_transactions
				BEGIN SELECT RAISE(ABORT, 'mes_stock_transactions is append-only'); END`,
			`CREATE TRIGGER IF NOT EXISTS trg_mes_stock_transactions_no_delete
				BEFORE DELETE ON mes_stock_transactions
				BEGIN SELECT RAISE(ABORT, 'mes_stock_transactions is append-only'); END`,
		)
	}

	for _, sql := range stmts {
		if err := db.Exec(sql).Error; err != nil {
			return fmt.Errorf("migration %q: %w", firstLine(sql), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
