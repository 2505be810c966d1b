// Package session verifies the bearer credentials presented by chat clients.
//
// Access tokens are PASETO v4.public tokens issued by the account service and
// carry the user id ("uid") and session id ("sid"). When a session store is
// configured, every verification also checks that the backing session row is
// neither revoked nor expired; without one, verification is stateless.
//
// Login and token issuance for end users live outside this module; Issue
// exists for tooling and tests.
package session
