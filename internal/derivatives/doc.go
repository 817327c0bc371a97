// Package derivatives maps pipeline outputs onto BIDS-derivatives paths and
// writes the JSON sidecars and dataset description that accompany them.
package derivatives
