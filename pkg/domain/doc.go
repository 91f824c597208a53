/*
Package domain contains the core data model of the terminal-session storage engine.

It defines the Session entity, its lifecycle statuses and the value types shared by
every storage provider (create parameters, partial updates, listing options, queries,
events and operational snapshots). This package is kept pure and free of I/O so that
the local, durable and hybrid providers agree on identical semantics.

# Key Entities

  - Session: one terminal instance owned by exactly one project.
  - SessionUpdate: a partial merge applied by ApplyUpdate, which also bounds output.
  - SuspensionState: the snapshot taken at suspension and consumed by resume.
  - StorageError: the typed error carrying one of the sentinel kinds (ErrValidation, ...).
*/
package domain
