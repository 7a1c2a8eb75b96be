package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           modelctl API
// @version         1.0
// @description     Read-only status API for the local model lifecycle manager.
//
// @contact.name   modelctl maintainers
// @contact.url    https://github.com/your-org/modelctl
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
