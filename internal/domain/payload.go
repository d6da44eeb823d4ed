package domain

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// DateLayout is the plain calendar date format the authority accepts.
const DateLayout = "2006-01-02"

// Payload is the check-in card document sent to the tourism authority.
type Payload struct {
	IdentificationType   string          `json:"tipo_identificacion" validate:"required,oneof=CC CE TI PA PEP PPT RC DNI"`
	IdentificationNumber string          `json:"numero_identificacion" validate:"required,max=20"`
	FirstNames           string          `json:"nombres" validate:"required,max=100"`
	LastNames            string          `json:"apellidos" validate:"required,max=100"`
	ResidenceCity        string          `json:"ciudad_residencia" validate:"required"`
	OriginCity           string          `json:"ciudad_procedencia" validate:"required"`
	TravelPurpose        string          `json:"motivo_viaje" validate:"required,oneof=NEGOCIOS VACACIONES SALUD EDUCACION RELIGION COMPRAS EVENTOS TRANSITO OTROS"`
	AccommodationType    string          `json:"tipo_acomodacion" validate:"required,oneof=HABITACION APARTAMENTO CASA CABANA GLAMPING OTRO"`
	RoomNumber           string          `json:"numero_habitacion" validate:"required"`
	Companions           int             `json:"numero_acompanantes" validate:"gte=0"`
	Cost                 decimal.Decimal `json:"costo" validate:"gte=0"`
	CheckIn              string          `json:"check_in" validate:"required,datetime=2006-01-02"`
	CheckOut             string          `json:"check_out" validate:"required,datetime=2006-01-02"`
	EstablishmentName    string          `json:"nombre_establecimiento" validate:"required"`
	EstablishmentRNT     string          `json:"rnt_establecimiento" validate:"required,numeric"`
}

var payloadValidator = newPayloadValidator()

func newPayloadValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Validate checks the payload against the authority schema. Failures wrap ErrPayloadValidation.
func (p *Payload) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: payload is required", ErrPayloadValidation)
	}

	if err := payloadValidator.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+":"+fe.Tag())
			}
			sort.Strings(fields)
			return fmt.Errorf("%w: %s", ErrPayloadValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrPayloadValidation, err)
	}

	// Both dates already passed the layout check above.
	if p.CheckOut < p.CheckIn {
		return fmt.Errorf("%w: check_out %s is before check_in %s", ErrPayloadValidation, p.CheckOut, p.CheckIn)
	}

	return nil
}
