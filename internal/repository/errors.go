package repository

import "errors"

var (
	// ErrNotFound indica que la fila no existe (o el token ya expiro o se consumio).
	ErrNotFound = errors.New("not found")
	// ErrConflict indica que una restriccion de unicidad rechazo la escritura.
	ErrConflict = errors.New("conflict")
)
