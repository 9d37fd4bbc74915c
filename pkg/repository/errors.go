// Package repository provides tenant-scoped persistence for every durable
// entity in the platform. Each repository is a thin struct over an
// sqlx.ExtContext so the same code runs against the pooled handle or
// inside a worker transaction. Every read and write filters by tenant_id;
// global tool definitions (NULL tenant) are the only cross-tenant rows.
package repository

import "errors"

var (
	// ErrNotFound is returned when an entity does not exist for the tenant.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when inserting a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrTerminalStatus is returned when a write would move a tool
	// execution out of a terminal status. Terminal statuses are final.
	ErrTerminalStatus = errors.New("execution already in terminal status")
)
