// Package zyneth implements a user account backend: local registration with
// email OTP verification, password login with JWT issuance, Google federated
// login with account linking, and admin account management over a document
// store.
//
// The package is organized around a small set of collaborators. AccountStore
// is the persistence contract (MongoDB and in-memory implementations live in
// the stores subpackage). OTPEngine owns the verification state machine.
// AccountService is the lifecycle controller tying the store, the engine,
// the token issuer and the email sender together. Server is the HTTP
// boundary; it decodes requests, maps errors and delegates everything else.
package zyneth
