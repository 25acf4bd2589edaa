// Package extension hosts the step-handler registry. Advisory handlers
// (crop recommendation, pesticide diagnosis, survey, chat) register here as
// named services with typed method signatures; workflow definitions refer to
// them by "service.method".
package extension
