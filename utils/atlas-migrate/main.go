// Package main - Atlas GORM migration support binary
package main

import (
	"fmt"

	"ariga.io/atlas-provider-gorm/gormschema"
	"github.com/apex/log"
	"github.com/emberplan/fieldvault/db"
)

func main() {
	stmts, err := gormschema.New("postgres").Load(
		&db.SystemEventAuditDBEntry{},
		&db.RotationScheduleDBEntry{},
		&db.FieldKeyDBEntry{},
		&db.ProtectedRecordDBEntry{},
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to load GORM models")
	}
	fmt.Printf("%s\n", stmts)
}
