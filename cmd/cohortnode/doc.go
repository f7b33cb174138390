// Command cohortnode runs a federated-analysis node: it executes
// algorithm containers against local data, relays their coordinator
// traffic through an authenticated proxy, and reports run outcomes.
package main
