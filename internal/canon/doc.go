// Package canon produces canonical JSON and domain-separated digests.
//
// Canonical output sorts object keys by UTF-16 code units, NFC-normalizes
// every string, disables HTML escaping and rejects non-integer numbers, so
// two runs over the same journal or window plan always hash identically.
package canon
