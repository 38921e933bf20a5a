// Package utils holds small helpers shared across modules.
package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// SlowQueryThreshold is the duration above which a query is logged at warn level.
const SlowQueryThreshold = time.Second

// MeasureDBQuery measures database query performance
//
// Usage:
//
//	done := utils.MeasureDBQuery("save_snapshot", log)
//	result, err := db.Exec(...)
//	rows, _ := result.RowsAffected()
//	done(rows)
func MeasureDBQuery(queryName string, log zerolog.Logger) func(rowsAffected int64) time.Duration {
	start := time.Now()

	return func(rowsAffected int64) time.Duration {
		duration := time.Since(start)

		log.Debug().
			Str("query", queryName).
			Dur("duration_ms", duration).
			Int64("rows_affected", rowsAffected).
			Msg("Database query completed")

		if duration > SlowQueryThreshold {
			log.Warn().
				Str("query", queryName).
				Dur("duration", duration).
				Int64("rows_affected", rowsAffected).
				Msg("Slow database query detected")
		}
		return duration
	}
}
