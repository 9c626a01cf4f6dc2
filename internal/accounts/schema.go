package accounts

const accountsSchema = `{
  "type": "object",
  "required": ["accounts"],
  "properties": {
    "accounts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["user_id", "broker"],
        "properties": {
          "user_id": {"type": "string", "minLength": 1},
          "active": {"type": "boolean"},
          "chat_id": {"type": ["string", "integer"]},
          "broker": {
            "type": "object",
            "required": ["account_id"],
            "properties": {
              "account_id": {"type": ["string", "integer"]},
              "token": {"type": "string"}
            },
            "additionalProperties": false
          },
          "overrides": {
            "type": "object",
            "properties": {
              "drawdown": {
                "type": "object",
                "properties": {
                  "warning_threshold_percent": {"type": "number", "exclusiveMinimum": 0, "maximum": 100},
                  "max_drawdown_percent": {"type": "number", "exclusiveMinimum": 0, "maximum": 100},
                  "min_equity_floor": {"type": "number", "minimum": 0}
                },
                "additionalProperties": false
              },
              "market_guard": {
                "type": "object",
                "properties": {
                  "enabled": {"type": "boolean"},
                  "gap_percent": {"type": "number", "exclusiveMinimum": 0},
                  "spread_percent": {"type": "number", "exclusiveMinimum": 0},
                  "min_liquidity_volume_lots": {"type": "number", "minimum": 0}
                },
                "additionalProperties": false
              }
            },
            "additionalProperties": false
          }
        },
        "additionalProperties": false
      }
    }
  }
}`
