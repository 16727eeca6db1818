package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert patient: %w", &pgconn.PgError{
		Code:           "23505",
		ConstraintName: "patients_record_identifier_key",
	})

	assert.True(t, IsUniqueViolation(err, ""))
	assert.True(t, IsUniqueViolation(err, "patients_record_identifier_key"))
	assert.False(t, IsUniqueViolation(err, "patients_pkey"))
	assert.False(t, IsExclusionViolation(err, ""))
}

func TestIsExclusionViolation(t *testing.T) {
	err := &pgconn.PgError{Code: "23P01", ConstraintName: "appointments_no_overlap"}

	assert.True(t, IsExclusionViolation(err, "appointments_no_overlap"))
	assert.False(t, IsUniqueViolation(err, ""))
}

func TestIsForeignKeyViolation(t *testing.T) {
	err := fmt.Errorf("insert appointment: %w", &pgconn.PgError{
		Code:           "23503",
		ConstraintName: "appointments_patient_id_fkey",
	})

	assert.True(t, IsForeignKeyViolation(err, "appointments_patient_id_fkey"))
	assert.False(t, IsExclusionViolation(err, ""))
}

func TestSQLStateOnPlainError(t *testing.T) {
	err := errors.New("connection refused")
	assert.False(t, IsUniqueViolation(err, ""))
	assert.False(t, IsExclusionViolation(err, ""))
	assert.False(t, IsUniqueViolation(nil, ""))
}
