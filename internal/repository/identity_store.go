package repository

import (
	"context"

	"cloud-login/internal/domain"
)

// IdentityStore define el contrato de persistencia para usuarios y sus contactos.
//
// Update es aditivo para inputs y proveedores: nunca borra un contacto ni un
// proveedor ya vinculado y reescribe el perfil. No toca el flag de primario de
// inputs existentes; un input nuevo queda primario solo si su formato no tiene
// primario. Los cambios de primario pasan por SetPrimary.
type IdentityStore interface {
	GetByNormalizedEmail(ctx context.Context, email string) (domain.User, error)
	GetByNormalizedPhone(ctx context.Context, phone string) (domain.User, error)
	GetByID(ctx context.Context, id string) (domain.User, error)
	CreateUnique(ctx context.Context, user domain.User) error
	Update(ctx context.Context, user domain.User) error
	SetPrimary(ctx context.Context, userID, input string) error
	Delete(ctx context.Context, id string) error
}
