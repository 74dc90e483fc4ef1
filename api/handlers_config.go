package api

import (
	"context"
	"net/http"
	"time"

	"gorm.io/gorm"

	"optiver-forecast/apperr"
)

// healthHandler reports whether the service can reach its database
func healthHandler(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			writeError(w, r, apperr.Dependency(err, "database unreachable"))
			return
		}
		writeJSON(w, http.StatusOK, messageResponse{Message: "Healthy"})
	}
}
