// Package crawler defines the core fetch types shared across subsystems: tasks
// and their page records, protocol statuses with retry scopes, the error
// taxonomy, event hooks, and the collaborator interfaces (sessions, session
// pools, proxy sources, resource loaders) the emulator drives.
package crawler
