/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"github.com/apexobs/obsdb/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	return database.AutoMigrate(
		// Science configuration
		&models.Program{},
		&models.Observation{},
		&models.Target{},

		// Execution audit trail (append-only)
		&models.VisitRecord{},
		&models.AtomRecord{},
		&models.StepRecord{},
		&models.DatasetRecord{},
		&models.ExecutionEvent{},

		// Time accounting
		&models.TimeChargeCorrection{},
		&models.TimeChargeDiscount{},
		&models.ChronEntry{},
	)
}
