// Package protocol implements the Janus gateway JSON API as used by the
// VideoRoom client: typed outbound requests and validated inbound messages.
//
// Outbound requests are built with the constructors in request.go and
// serialized with Encode. Inbound frames go through Parse, which rejects
// malformed messages with a *ParseError instead of defaulting missing
// fields to empty values.
package protocol
