// Package publish runs publishing batches and removes what they sent.
//
// A batch is processed one item at a time. For each item the photo
// gallery is resolved, up to ten photos are transcoded concurrently, the
// survivors are sent as one media group, and every delivered message is
// recorded. Failures are isolated to the item that caused them.
package publish
