// Package protocol defines the wire messages exchanged between collaborating
// clients and the room relay.
//
// Every message is a JSON object carrying a string "event" discriminator plus
// event-specific fields. Each event maps to one Go type implementing Message.
// Decoding runs the variant's shape check over the raw object before the typed
// unmarshal, so a payload that is null, not an object, missing a required
// field, or carrying a wrongly typed field (including wrong element types in
// arrays) is rejected with a *MalformedError and never reaches room state.
//
// Encoding is the inverse of decoding. Encode re-decodes what it produced and
// refuses to return bytes its own peer would reject.
//
// Request messages carry a client-generated Nonce that the matching response
// echoes verbatim:
//
//	menu_detached         -> menu_detached_response
//	object_grabbed        -> object_grabbed_response
//	annotation_opened     -> annotation_response
//	annotation_edit       -> annotation_edit_response
package protocol
