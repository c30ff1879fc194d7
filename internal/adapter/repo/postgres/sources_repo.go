package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/signal-loader/internal/domain"
	"github.com/fairyhunter13/signal-loader/pkg/cryptox"
)

// SourceRepo reads the source_database catalog. The engine treats it as
// read-only except for seeding. Passwords are sealed at rest; GetByCode
// returns plaintext for the registry to build a pool with.
type SourceRepo struct {
	Pool  PgxPool
	Codec *cryptox.Codec
}

// NewSourceRepo constructs a SourceRepo with the given pool and secret codec.
func NewSourceRepo(p PgxPool, codec *cryptox.Codec) *SourceRepo {
	return &SourceRepo{Pool: p, Codec: codec}
}

// GetByCode loads a source database descriptor, decrypting its password.
func (r *SourceRepo) GetByCode(ctx domain.Context, sourceCode string) (domain.SourceDatabase, error) {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.GetByCode")
	defer span.End()
	span.SetAttributes(attribute.String("source.code", sourceCode))
	q := `SELECT id, source_code, host, port, database_name, db_type, username, password_enc, updated_at
		FROM source_database WHERE source_code=$1`
	var s domain.SourceDatabase
	var passEnc string
	err := r.Pool.QueryRow(ctx, q, sourceCode).Scan(
		&s.ID, &s.SourceCode, &s.Host, &s.Port, &s.DatabaseName, &s.Type, &s.Username, &passEnc, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SourceDatabase{}, fmt.Errorf("op=source.get: %w", domain.ErrNotFound)
		}
		return domain.SourceDatabase{}, fmt.Errorf("op=source.get: %w", err)
	}
	plain, err := r.Codec.Open(passEnc)
	if err != nil {
		return domain.SourceDatabase{}, fmt.Errorf("op=source.get: decrypt password: %w", err)
	}
	s.Password = plain
	return s, nil
}

// Create inserts a source database descriptor, sealing its password. Used by
// the seeding command only.
func (r *SourceRepo) Create(ctx domain.Context, s domain.SourceDatabase) (int64, error) {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.Create")
	defer span.End()
	passEnc, err := r.Codec.Seal(s.Password)
	if err != nil {
		return 0, fmt.Errorf("op=source.create: %w", err)
	}
	q := `INSERT INTO source_database (source_code, host, port, database_name, db_type, username, password_enc, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`
	var id int64
	err = r.Pool.QueryRow(ctx, q, s.SourceCode, s.Host, s.Port, s.DatabaseName, s.Type, s.Username, passEnc, time.Now().UTC()).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("op=source.create: %w", domain.ErrConflict)
		}
		return 0, fmt.Errorf("op=source.create: %w", err)
	}
	return id, nil
}
