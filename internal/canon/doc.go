// Package canon provides the canonical value model and RFC 8785 JSON
// serialization used for every signature and content digest in herdtrail.
//
// This package imports nothing internal. Key design constraints:
//   - NO float types anywhere: scores are basis points, prices minor units
//   - NO null: absent optional fields are omitted from the object
//   - All keys use snake_case
//   - Strings are NFC normalized at the serialization boundary, so a payload
//     signed on one platform verifies byte-for-byte on another
package canon
