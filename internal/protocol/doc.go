// Package protocol owns the message vocabulary and its byte layout.
//
// Ownership boundary:
// - frame: fixed header, segmentation, incomplete-frame parsing
// - wire: sizes, strings, addresses in either byte order
// - value: application payload codec
// - this package: typed messages, Encode/Decode, status and error classes
//
// No other package is allowed to know byte offsets; everything above this
// layer exchanges the decoded structures defined here.
package protocol
