/*
Package storage persists finished sessions in BoltDB.

Events themselves are never persisted; the archive only keeps the session
records that the session tracker completes or sweeps, so operators can look
back at what ran after it left the active table.

The database is a single file, pulse.db, in the configured data directory,
with one bucket:

	sessions    session_id -> JSON SessionRecord

Archive is an upsert, so archiving a session on completion and again when
it is swept leaves one record holding the final state.

	store, err := storage.NewBoltStore(cfg.Server.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	tracker := session.NewTracker(sessionCfg, store)
*/
package storage
