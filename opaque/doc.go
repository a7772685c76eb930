// Package opaque runs the server side of the OPAQUE asymmetric PAKE for login
// and password registration.
//
// Protocol messages cross the package boundary as unpadded base64url strings.
// A password file is the serialized registration record of a user. The server
// AKE state between the two login messages is returned to the caller as bytes,
// so a login started by one process can be finished by another.
//
// The credential identifier bound into every record is the user id.
package opaque
