package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cloud-login/internal/domain"
)

const pgUniqueViolation = "23505"

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgIdentityStore implementa IdentityStore usando pgxpool.
type PgIdentityStore struct {
	pool *pgxpool.Pool
}

func NewPgIdentityStore(pool *pgxpool.Pool) *PgIdentityStore {
	return &PgIdentityStore{pool: pool}
}

func (r *PgIdentityStore) GetByNormalizedEmail(ctx context.Context, email string) (domain.User, error) {
	return r.getByInput(ctx, strings.ToLower(strings.TrimSpace(email)), domain.FormatEmail)
}

func (r *PgIdentityStore) GetByNormalizedPhone(ctx context.Context, phone string) (domain.User, error) {
	return r.getByInput(ctx, strings.TrimSpace(phone), domain.FormatPhone)
}

func (r *PgIdentityStore) GetByID(ctx context.Context, id string) (domain.User, error) {
	return r.load(ctx, r.pool, id)
}

func (r *PgIdentityStore) CreateUnique(ctx context.Context, user domain.User) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const insertUser = `
			INSERT INTO users (id, first_name, last_name, display_name, created_on, last_signed_in)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		if _, err := tx.Exec(ctx, insertUser,
			user.ID,
			user.FirstName,
			user.LastName,
			user.DisplayName,
			user.CreatedOn,
			user.LastSignedIn,
		); err != nil {
			return mapWriteError(err)
		}

		const insertInput = `
			INSERT INTO login_inputs (input, user_id, format, is_primary, position)
			VALUES ($1, $2, $3, $4, $5)
		`
		for i, in := range user.Inputs {
			if _, err := tx.Exec(ctx, insertInput, in.Input, user.ID, string(in.Format), in.IsPrimary, i); err != nil {
				return mapWriteError(err)
			}
			if err := upsertProviders(ctx, tx, in); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PgIdentityStore) Update(ctx context.Context, user domain.User) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const updateUser = `
			UPDATE users
			SET first_name = $2, last_name = $3, display_name = $4, last_signed_in = $5
			WHERE id = $1
		`
		tag, err := tx.Exec(ctx, updateUser,
			user.ID,
			user.FirstName,
			user.LastName,
			user.DisplayName,
			user.LastSignedIn,
		)
		if err != nil {
			return mapWriteError(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		// los inputs existentes conservan su flag; uno nuevo es primario solo si
		// su formato no tiene primario.
		const upsertInput = `
			INSERT INTO login_inputs (input, user_id, format, is_primary, position)
			VALUES ($1, $2, $3,
				$4 AND NOT EXISTS (
					SELECT 1 FROM login_inputs
					WHERE user_id = $2 AND format = $3 AND is_primary
				),
				$5)
			ON CONFLICT (input) DO UPDATE SET user_id = login_inputs.user_id
			WHERE login_inputs.user_id = EXCLUDED.user_id
		`
		for i, in := range user.Inputs {
			tag, err := tx.Exec(ctx, upsertInput, in.Input, user.ID, string(in.Format), in.IsPrimary, i)
			if err != nil {
				return mapWriteError(err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: input owned by another user", ErrConflict)
			}
			if err := upsertProviders(ctx, tx, in); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PgIdentityStore) SetPrimary(ctx context.Context, userID, input string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var format string
		const lockInput = `
			SELECT format
			FROM login_inputs
			WHERE input = $1 AND user_id = $2
			FOR UPDATE
		`
		err := tx.QueryRow(ctx, lockInput, strings.ToLower(strings.TrimSpace(input)), userID).Scan(&format)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		// el indice parcial de primarios no es diferible: primero se limpia el formato.
		const clearPrimary = `
			UPDATE login_inputs SET is_primary = FALSE
			WHERE user_id = $1 AND format = $2 AND is_primary
		`
		if _, err := tx.Exec(ctx, clearPrimary, userID, format); err != nil {
			return err
		}
		const markPrimary = `UPDATE login_inputs SET is_primary = TRUE WHERE input = $1 AND user_id = $2`
		if _, err := tx.Exec(ctx, markPrimary, strings.ToLower(strings.TrimSpace(input)), userID); err != nil {
			return mapWriteError(err)
		}
		return nil
	})
}

func (r *PgIdentityStore) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgIdentityStore) getByInput(ctx context.Context, input string, format domain.Format) (domain.User, error) {
	const query = `
		SELECT user_id
		FROM login_inputs
		WHERE input = $1 AND format = $2
	`
	var id string
	err := r.pool.QueryRow(ctx, query, input, string(format)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return r.load(ctx, r.pool, id)
}

func (r *PgIdentityStore) load(ctx context.Context, q querier, id string) (domain.User, error) {
	const userQuery = `
		SELECT id, first_name, last_name, display_name, created_on, last_signed_in
		FROM users
		WHERE id = $1
	`
	var u domain.User
	err := q.QueryRow(ctx, userQuery, id).Scan(
		&u.ID,
		&u.FirstName,
		&u.LastName,
		&u.DisplayName,
		&u.CreatedOn,
		&u.LastSignedIn,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}

	const inputsQuery = `
		SELECT input, format, is_primary
		FROM login_inputs
		WHERE user_id = $1
		ORDER BY position, input
	`
	rows, err := q.Query(ctx, inputsQuery, id)
	if err != nil {
		return domain.User{}, err
	}
	u.Inputs, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.LoginInput, error) {
		var in domain.LoginInput
		var format string
		if err := row.Scan(&in.Input, &format, &in.IsPrimary); err != nil {
			return domain.LoginInput{}, err
		}
		in.Format = domain.Format(format)
		return in, nil
	})
	if err != nil {
		return domain.User{}, err
	}

	const providersQuery = `
		SELECT p.input, p.code, p.identifier, p.password_hash
		FROM login_providers p
		JOIN login_inputs i ON i.input = p.input
		WHERE i.user_id = $1
		ORDER BY p.input, p.code
	`
	rows, err = q.Query(ctx, providersQuery, id)
	if err != nil {
		return domain.User{}, err
	}
	type providerRow struct {
		input    string
		provider domain.LoginProvider
	}
	providers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (providerRow, error) {
		var pr providerRow
		var code string
		if err := row.Scan(&pr.input, &code, &pr.provider.Identifier, &pr.provider.PasswordHash); err != nil {
			return providerRow{}, err
		}
		pr.provider.Code = domain.ProviderCode(code)
		return pr, nil
	})
	if err != nil {
		return domain.User{}, err
	}
	for _, pr := range providers {
		if idx := u.FindInput(pr.input); idx >= 0 {
			u.Inputs[idx].Providers = append(u.Inputs[idx].Providers, pr.provider)
		}
	}
	return u, nil
}

func upsertProviders(ctx context.Context, tx pgx.Tx, in domain.LoginInput) error {
	const upsertProvider = `
		INSERT INTO login_providers (input, code, identifier, password_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (input, code) DO UPDATE SET
			identifier = CASE WHEN login_providers.identifier = '' THEN EXCLUDED.identifier ELSE login_providers.identifier END,
			password_hash = CASE WHEN EXCLUDED.password_hash <> '' THEN EXCLUDED.password_hash ELSE login_providers.password_hash END
	`
	for _, p := range in.Providers {
		if _, err := tx.Exec(ctx, upsertProvider, in.Input, string(p.Code), p.Identifier, p.PasswordHash); err != nil {
			return mapWriteError(err)
		}
	}
	return nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
