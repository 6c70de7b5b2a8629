package users

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("user not found")

type User struct {
	ID        uuid.UUID
	Email     string
	FirstName string
	LastName  string
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

type Directory struct{ DB *pgxpool.Pool }

func (d *Directory) ByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := d.DB.QueryRow(ctx,
		`SELECT id, email, first_name, last_name FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
