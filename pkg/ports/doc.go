/*
Package ports defines the driven ports (interfaces) of the storage engine.

These interfaces decouple the providers from one another and from their backing
technology, so the hybrid coordinator and the provider selector only ever see the
contract.

# Key Interfaces

  - SessionStore: the session storage contract implemented by every provider mode.
  - DurableBackend: the persistence primitives the durable tier is built on (Redis, SQLite).
  - DistributedLocker: distributed locking used to serialize work across replicas.
*/
package ports
