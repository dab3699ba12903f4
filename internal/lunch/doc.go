// Package lunch defines the data model, capability interfaces and error
// taxonomy shared by the scrapers, the scheduler, the synchronizer and the
// stores.
package lunch
