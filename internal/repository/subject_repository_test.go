package repository

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestSubjectRepositoryList(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSubjectRepository(db)

	rows := sqlmock.NewRows([]string{"code", "name"}).
		AddRow("HIST", "Histoire").
		AddRow("MATH", "Mathematiques")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT code, name FROM subjects ORDER BY code")).
		WillReturnRows(rows)

	subjects, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, subjects, 2)
	require.Equal(t, "HIST", subjects[0].Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubjectRepositoryInUseCodes(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSubjectRepository(db)

	rows := sqlmock.NewRows([]string{"subject_code"}).AddRow("MATH").AddRow("LATN")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT subject_code FROM memberships WHERE subject_code IS NOT NULL")).
		WillReturnRows(rows)

	inUse, err := repo.InUseCodes(context.Background())
	require.NoError(t, err)
	require.Contains(t, inUse, "MATH")
	require.Contains(t, inUse, "LATN")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubjectRepositoryCreateUpdateDelete(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSubjectRepository(db)

	mock.ExpectExec("INSERT INTO subjects").
		WithArgs("MATH", "Mathematiques").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Create(context.Background(), &models.Subject{Code: "MATH", Name: "Mathematiques"}))

	mock.ExpectExec("UPDATE subjects SET name").
		WithArgs("Maths", "MATH").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Update(context.Background(), &models.Subject{Code: "MATH", Name: "Maths"}))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM subjects WHERE code = $1")).
		WithArgs("MATH").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(context.Background(), "MATH"))

	require.NoError(t, mock.ExpectationsWereMet())
}
