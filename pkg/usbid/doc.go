// Package usbid resolves vendor and product IDs to names using the usb.ids
// database shipped with usbutils.
//
// The database is a text file. Vendor lines start in column zero with a
// four digit hex ID followed by two spaces and the name; product lines are
// indented by one tab and belong to the vendor above them. Device class
// sections that follow the vendor list are skipped.
//
//	db := usbid.New()
//	if _, err := db.LoadFile(usbid.DefaultPaths...); err == nil {
//		fmt.Println(db.Vendor(0x1d6b), db.Product(0x1d6b, 0x0002))
//	}
//
// Lookups on an empty database return empty strings, so callers can treat
// names as optional decoration.
package usbid
