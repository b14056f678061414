// Package docs registers the OpenAPI description served under /swagger.
// Regenerate with `swag init -g cmd/server/main.go` after changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/transactions": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json", "text/csv"],
                "tags": ["Transactions"],
                "summary": "List transactions",
                "parameters": [
                    {"type": "string", "name": "account", "in": "query"},
                    {"type": "string", "name": "from", "in": "query"},
                    {"type": "string", "name": "to", "in": "query"},
                    {"type": "string", "name": "month", "in": "query"},
                    {"type": "string", "name": "type", "in": "query"},
                    {"type": "string", "name": "status", "in": "query"},
                    {"type": "string", "name": "direction", "in": "query"},
                    {"type": "string", "name": "min_amount", "in": "query"},
                    {"type": "string", "name": "max_amount", "in": "query"},
                    {"type": "string", "name": "q", "in": "query"},
                    {"type": "integer", "name": "limit", "in": "query"},
                    {"type": "string", "name": "cursor", "in": "query"},
                    {"type": "string", "name": "format", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.HistoryPage"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/services.ErrorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/services.ErrorResponse"}}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Transactions"],
                "summary": "Create transaction",
                "parameters": [
                    {"type": "string", "name": "Idempotency-Key", "in": "header"},
                    {"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.CreateTransactionRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/models.Transaction"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/services.ErrorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/services.ErrorResponse"}}
                }
            }
        },
        "/transactions/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["Transactions"],
                "summary": "Get transaction",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.Transaction"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/services.ErrorResponse"}}
                }
            },
            "patch": {
                "security": [{"BearerAuth": []}],
                "tags": ["Transactions"],
                "summary": "Update transaction",
                "parameters": [
                    {"type": "integer", "name": "id", "in": "path", "required": true},
                    {"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.PatchTransactionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.Transaction"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/services.ErrorResponse"}}
                }
            }
        },
        "/transactions/{id}/complete": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["Transactions"],
                "summary": "Complete transaction",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.Transaction"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/services.ErrorResponse"}}
                }
            }
        },
        "/transactions/{id}/void": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["Transactions"],
                "summary": "Void transaction",
                "parameters": [
                    {"type": "integer", "name": "id", "in": "path", "required": true},
                    {"name": "request", "in": "body", "schema": {"$ref": "#/definitions/handlers.VoidRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.Transaction"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/services.ErrorResponse"}}
                }
            }
        },
        "/transactions/{id}/audit": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["Transactions"],
                "summary": "Transaction audit trail",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/models.AuditEntry"}}}
                }
            }
        },
        "/transactions/{id}/receipt": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["Transactions"],
                "summary": "Transaction receipt",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.Receipt"}}
                }
            }
        },
        "/transactions/{id}/iso20022": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/xml"],
                "tags": ["Transactions"],
                "summary": "ISO 20022 message",
                "parameters": [
                    {"type": "integer", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "message", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "XML document", "schema": {"type": "string"}}
                }
            }
        },
        "/accounts": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["Accounts"],
                "summary": "List accounts",
                "parameters": [
                    {"type": "string", "name": "q", "in": "query"},
                    {"type": "boolean", "name": "include_archived", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/models.Account"}}}
                }
            }
        },
        "/accounts/{number}/adjustments": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["Accounts"],
                "summary": "Adjust balance",
                "parameters": [
                    {"type": "string", "name": "number", "in": "path", "required": true},
                    {"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.AdjustmentRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/models.Transaction"}}
                }
            }
        }
    },
    "definitions": {
        "handlers.CreateTransactionRequest": {
            "type": "object",
            "required": ["type", "account_number", "amount"],
            "properties": {
                "type": {"type": "string", "enum": ["deposit", "withdraw", "transfer"]},
                "account_number": {"type": "string"},
                "target_account": {"type": "string"},
                "amount": {"type": "string", "example": "125.50"},
                "fee": {"type": "string", "example": "0.00"},
                "note": {"type": "string"}
            }
        },
        "handlers.PatchTransactionRequest": {
            "type": "object",
            "properties": {
                "note": {"type": "string"},
                "action": {"type": "string", "enum": ["complete", "void"]},
                "reason": {"type": "string"}
            }
        },
        "handlers.VoidRequest": {
            "type": "object",
            "properties": {"reason": {"type": "string"}}
        },
        "handlers.AdjustmentRequest": {
            "type": "object",
            "required": ["amount", "note"],
            "properties": {
                "amount": {"type": "string", "example": "-12.00"},
                "note": {"type": "string"}
            }
        },
        "models.Account": {
            "type": "object",
            "properties": {
                "account_number": {"type": "string"},
                "name": {"type": "string"},
                "balance": {"type": "string"},
                "status": {"type": "string", "enum": ["Active", "Locked", "Archived"]}
            }
        },
        "models.Transaction": {
            "type": "object",
            "properties": {
                "id": {"type": "integer"},
                "type": {"type": "string"},
                "status": {"type": "string", "enum": ["Pending", "Completed", "Voided"]},
                "account_number": {"type": "string"},
                "target_account": {"type": "string"},
                "amount": {"type": "string"},
                "fee": {"type": "string"},
                "note": {"type": "string"},
                "created_by": {"type": "string"},
                "created_at": {"type": "string"},
                "completed_at": {"type": "string"},
                "voided_at": {"type": "string"},
                "source_balance_before": {"type": "string"},
                "source_balance_after": {"type": "string"},
                "target_balance_before": {"type": "string"},
                "target_balance_after": {"type": "string"}
            }
        },
        "models.AuditEntry": {
            "type": "object",
            "properties": {
                "id": {"type": "integer"},
                "transaction_id": {"type": "integer"},
                "action": {"type": "string"},
                "performed_by": {"type": "string"},
                "reason": {"type": "string"},
                "details": {"type": "object"},
                "created_at": {"type": "string"}
            }
        },
        "services.HistoryPage": {
            "type": "object",
            "properties": {
                "transactions": {"type": "array", "items": {"$ref": "#/definitions/models.Transaction"}},
                "next_cursor": {"type": "string"}
            }
        },
        "services.Receipt": {
            "type": "object",
            "properties": {
                "reference": {"type": "string"},
                "transaction": {"$ref": "#/definitions/models.Transaction"},
                "source_name": {"type": "string"},
                "target_name": {"type": "string"},
                "currency": {"type": "string"},
                "issued_at": {"type": "string"},
                "qr_payload": {"type": "string"},
                "qr_code_png": {"type": "string"}
            }
        },
        "services.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "kind": {"type": "string"},
                "details": {"type": "object", "additionalProperties": {"type": "string"}}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{"http", "https"},
	Title:            "Core Banking Ledger API",
	Description:      "Two-phase transaction ledger: Pending records, completion, voids and an append-only audit trail.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
