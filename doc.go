/*
Package termstore is a storage engine for terminal sessions: the shells and
agent consoles a workspace keeps open per project.

It implements one session storage contract over three interchangeable
providers, so hosts can trade speed for durability without touching call sites.

# Providers

  - Local: an in-memory store with bounded capacity, least recently used
    eviction and optional disk snapshots.
  - Durable: a Redis or SQLite backed store with bounded retries, a
    read-through cache and an append-only archive of suspension snapshots.
  - Hybrid: writes land in the local tier first and are queued for the
    durable tier according to a sync strategy (immediate, eventual, manual),
    with conflicts settled by a policy (local-wins, database-wins, latest-wins).

# Usage

	package main

	import (
		"context"
		"log"

		"github.com/aretw0/termstore"
		"github.com/aretw0/termstore/pkg/domain"
	)

	func main() {
		eng, err := termstore.New("termstore.yaml", termstore.WithMode(domain.ModeLocal))
		if err != nil {
			log.Fatal(err)
		}
		defer eng.Close()

		ctx := context.Background()
		store, err := eng.Store(ctx)
		if err != nil {
			log.Fatal(err)
		}

		sess, err := store.CreateSession(ctx, domain.CreateParams{
			ProjectID:   "web",
			ProjectPath: "/src/web",
			Mode:        domain.ModeNormal,
		})
		if err != nil {
			log.Fatal(err)
		}
		log.Println(sess.TabName) // Terminal 1
	}

The same engine is exposed over HTTP (pkg/adapters/http), as MCP tools
(pkg/adapters/mcp) and through the termstore command.
*/
package termstore
